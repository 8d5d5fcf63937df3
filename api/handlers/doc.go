// 版权所有 2025 SplitFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 SplitFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 SplitFlow 所有 HTTP 端点的请求处理逻辑，
包括变体分配、转化上报、结果查看、测试管理、健康检查以及统一的
响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - ExperimentHandler — 变体分配、转化上报、结果与测试管理
  - HealthHandler     — 服务健康检查（/health, /healthz, /ready）
  - Response          — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo         — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter    — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck       — 可插拔健康检查接口（Database、Redis 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteCreated / WriteError / WriteDomainError
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 身份解析：user 声明 → session 声明 → X-Session-ID 头 → 会话 cookie
  - 角色门禁：结果与测试管理端点要求 operator 角色
*/
package handlers
