// Package pkgtype 聚合各包生态（maven、npm、generic ...）的缓存策略与解析钩子，并提供统一的注册入口。
//
// 新的包类型需要：
//  1. 在 internal/pkgtype/<key>/ 目录下实现钩子；
//  2. 在 init() 中调用 MustRegister 注册元数据；
//  3. 在 internal/config/modules.go 中匿名导入该子包。
//
// 钩子只描述"如何"改写路径与内容，具体的合并规则由各子包自行决定。
package pkgtype
