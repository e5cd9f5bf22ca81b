package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// configFixture 返回 internal/config/testdata 下的配置样例。go test 以仓库根目录为工作目录运行本包。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置样例 %s 不存在: %v", name, err)
	}
	return path
}

// writeConfigFile 把 TOML 内容写入临时目录中的 config.toml。
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// groupFixture 生成一份使用内存配置存储的配置：hosted:local 与指向 upstream 的 remote:central
// 组成 group:public，缓存与 hosted 目录均位于临时目录。
func groupFixture(t *testing.T, upstream string, port int) string {
	t.Helper()
	dir := t.TempDir()
	return writeConfigFile(t, fmt.Sprintf(`
ListenPort = %d
LogLevel = "error"
StoragePath = "%s"
HostedStoragePath = "%s"

[ConfigStore]
Backend = "memory"

[[Store]]
Type = "hosted"
Name = "local"

[[Store]]
Type = "remote"
Name = "central"
URL = "%s"

[[Store]]
Type = "group"
Name = "public"
Members = ["hosted:local", "remote:central"]
`, port, filepath.ToSlash(filepath.Join(dir, "cache")), filepath.ToSlash(filepath.Join(dir, "hosted")), upstream))
}
