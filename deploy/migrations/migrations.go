// Package migrations 内嵌 MySQL 迁移脚本：0001 创建 task_states（task.MySQLStore），
// 0002 创建 workflow_runs（storage/mysql.WorkflowStore）。文件名前缀即版本号。
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
