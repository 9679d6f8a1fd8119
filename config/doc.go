// Package config 提供 TaskMesh 的配置管理功能。
//
// 包含配置加载、文件监听与热重载。
// 支持从 YAML 文件与环境变量加载配置，
// 治理限额等可重载配置在文件变更后原子替换。
package config
