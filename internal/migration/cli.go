package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI 把迁移器包装成 splitflow migrate 子命令可直接调用的动作，
// 每个动作执行后回报当前 schema 版本。
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI 创建迁移 CLI，默认输出到标准输出
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, out: os.Stdout}
}

// SetOutput 重定向输出，供测试捕获
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// RunUp 应用所有待执行迁移
func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.out, "Applying pending migrations...")
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.reportVersion(ctx)
}

// RunDown 回滚最近一次迁移
func (c *CLI) RunDown(ctx context.Context) error {
	fmt.Fprintln(c.out, "Rolling back last migration...")
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return c.reportVersion(ctx)
}

// RunDownAll 回滚全部迁移，实验数据表随之清空
func (c *CLI) RunDownAll(ctx context.Context) error {
	fmt.Fprintln(c.out, "Rolling back all migrations...")
	if err := c.migrator.DownAll(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	fmt.Fprintln(c.out, "Schema is now empty.")
	return nil
}

// RunGoto 迁移到指定版本，方向由当前版本决定
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	fmt.Fprintf(c.out, "Migrating to version %d...\n", version)
	if err := c.migrator.Goto(ctx, version); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintf(c.out, "Now at version %d\n", version)
	return nil
}

// RunForce 强制写入版本号，不执行任何 SQL。只用于修复 dirty 状态。
func (c *CLI) RunForce(ctx context.Context, version int) error {
	fmt.Fprintf(c.out, "Forcing schema version to %d...\n", version)
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	fmt.Fprintf(c.out, "Schema version forced to %d\n", version)
	return nil
}

// RunVersion 打印当前 schema 版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}

	if version == 0 {
		fmt.Fprintln(c.out, "No migrations applied yet.")
		return nil
	}

	if dirty {
		fmt.Fprintf(c.out, "Current version: %d (dirty)\n", version)
		return nil
	}
	fmt.Fprintf(c.out, "Current version: %d\n", version)
	return nil
}

// RunStatus 逐条列出迁移的应用状态，并附带汇总
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	w.Flush()

	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\nApplied %d of %d, %d pending\n",
		info.AppliedMigrations, info.TotalMigrations, info.PendingMigrations)
	return nil
}

func (c *CLI) reportVersion(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Done. Current version: %d\n", info.CurrentVersion)
	return nil
}
