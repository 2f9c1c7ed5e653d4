package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type options struct {
	file     string
	defaults func(v *viper.Viper)
	onReload func(v *viper.Viper)
	watch    bool
}

type Option func(*options)

// WithFile 显式指定配置文件 (命令行 -f)，不传则按 {service}.yaml 查找
func WithFile(path string) Option {
	return func(o *options) { o.file = path }
}

// WithDefaults 在读文件之前注册默认值，环境变量覆盖也依赖这些 key
func WithDefaults(fn func(v *viper.Viper)) Option {
	return func(o *options) { o.defaults = fn }
}

// OnReload 配置文件变更后的回调，开启监听
func OnReload(fn func(v *viper.Viper)) Option {
	return func(o *options) {
		o.onReload = fn
		o.watch = true
	}
}

// LoadAndWatch 读取 yaml 并反序列化到 out
// 约定：./config/{service}.yaml 或 ./{service}.yaml
// 环境变量覆盖，例如 CUSTODY_LEDGER_API_KEY 覆盖 ledger.api_key
func LoadAndWatch(service string, out interface{}, opts ...Option) (*viper.Viper, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	v := viper.New()
	if o.file != "" {
		v.SetConfigFile(o.file)
	} else {
		v.SetConfigName(service)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath("./etc")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(strings.ToUpper(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if o.defaults != nil {
		o.defaults(v)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	// logger 此时还没初始化，用标准库 log
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	// 运行中的结构体不做整体替换，变更交给回调按需处理
	if o.watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("[%s] config file changed: %s", service, e.Name)
			o.onReload(v)
		})
		v.WatchConfig()
	}

	return v, nil
}
