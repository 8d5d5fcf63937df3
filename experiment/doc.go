// Package experiment 实现 A/B 实验引擎：测试选择、变体分配、转化记录与
// 结果聚合。
//
// 四个组件对应四条调用链：
//
//   - Registry   — 为 (page_context, test_type) 过滤出唯一的活跃测试
//   - Assigner   — 给身份分配稳定变体，首次接触落分配记录，幂等
//   - Recorder   — 把转化事件追加到既有分配上
//   - Aggregator — 扫描分配与转化，产出各变体计数、占比和按类型的转化计数
//
// 一致性核心是分配的至多一条不变式：(test_id, user_id) 与
// (test_id, session_id) 上的唯一约束把并发首次分配的竞争收敛为
// "输家回读赢家"，对调用方完全透明。分配记录创建后不变更、不删除，
// 测试只通过激活开关和 end_date 进入 ENDED 状态，历史数据始终可查。
//
// 聚合永远在读侧按需折叠；引擎不判断哪个变体更好，判断是操作员动作。
package experiment
