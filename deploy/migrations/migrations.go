package migrations

import (
	"embed"
	"io/fs"
)

//go:embed mysql/*.sql postgres/*.sql
var files embed.FS

// MySQL 暴露 MySQL 方言的迁移文件。
func MySQL() fs.FS { return sub("mysql") }

// Postgres 暴露 PostgreSQL 方言的迁移文件。
func Postgres() fs.FS { return sub("postgres") }

func sub(dir string) fs.FS {
	out, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return out
}
