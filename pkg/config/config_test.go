package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `mapstructure:"name"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
		Rps  int    `mapstructure:"rps"`
	} `mapstructure:"http"`
}

func writeYaml(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAndWatch_FileDefaultsAndEnv(t *testing.T) {
	path := writeYaml(t, "name: custody\nhttp:\n  addr: \":8080\"\n")
	t.Setenv("SVC_HTTP_ADDR", ":9090")

	var out sample
	_, err := LoadAndWatch("svc", &out,
		WithFile(path),
		WithDefaults(func(v *viper.Viper) {
			v.SetDefault("http.rps", 50)
			v.SetDefault("http.addr", ":7070")
		}),
	)
	require.NoError(t, err)

	assert.Equal(t, "custody", out.Name)
	assert.Equal(t, ":9090", out.HTTP.Addr, "环境变量优先于文件")
	assert.Equal(t, 50, out.HTTP.Rps, "文件缺省时取默认值")
}

func TestLoadAndWatch_MissingFile(t *testing.T) {
	var out sample
	_, err := LoadAndWatch("svc", &out, WithFile(filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Error(t, err)
}
