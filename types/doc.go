// 版权所有 2025 SplitFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package types 提供 SplitFlow 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 experiment、api、cmd 等
上层模块提供统一的类型契约。所有跨包共享的结构体、枚举和错误码均定义
于此，以避免循环依赖。

# 核心类型

  - Identity          — 实验分流单元（持久用户 ID 或匿名会话 ID，二选一）
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithTraceID / WithUserID / WithSessionID / WithRoles
  - 错误工具链：GetErrorCode / IsErrorCode / IsRetryable
  - 常用错误构造：NewNotFoundError / NewInvalidInputError / NewForbiddenError
  - 身份解析：IdentityFromContext（用户 ID 优先于会话 ID）
*/
package types
