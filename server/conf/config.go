package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xmysql-lob/logger"
)

// DefaultConfigPath 没有指定配置文件时读取的路径, 文件不存在时使用默认配置
const DefaultConfigPath = "conf/xlob.ini"

type CommandLineArgs struct {
	ConfigPath string
}

/*
[lob]
page_size         = 16384
payload_limit     = 0
data_dir          = data
space_file        = lob.ibd
max_pages         = 0
buffer_pool_pages = 1024
dirty_page_ratio  = 0.75
doublewrite       = true

[logs]
log_dir                 = redo
log_buffer_size         = 1048576
flush_interval          = 1s
compression             = snappy
compression_min_savings = 0.1
flush_log_at_commit     = true

[lock]
lock_timeout = 5s

[log]
error_log = logs/error.log
info_log  = logs/info.log
log_level = info
*/
type Cfg struct {
	Raw *ini.File

	// lob
	PageSize        int
	PayloadLimit    int
	DataDir         string
	SpaceFile       string
	MaxPages        uint32
	BufferPoolPages int
	DirtyPageRatio  float64
	Doublewrite     bool

	// logs
	LogDir                string
	LogBufferSize         int
	FlushInterval         time.Duration
	Compression           string
	CompressionMinSavings float64
	FlushLogAtCommit      bool

	// lock
	LockTimeout time.Duration

	// log
	LogError string
	LogInfos string
	LogLevel string
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:             ini.Empty(),
		PageSize:        16384, // 16KB
		DataDir:         "data",
		SpaceFile:       "lob.ibd",
		BufferPoolPages: 1024,
		DirtyPageRatio:  0.75,
		Doublewrite:     true,

		LogDir:                "redo",
		LogBufferSize:         1 << 20, // 1MB
		FlushInterval:         time.Second,
		Compression:           "snappy",
		CompressionMinSavings: 0.1,
		FlushLogAtCommit:      true,

		LockTimeout: 5 * time.Second,

		LogLevel: "info",
	}
}

// Load 读取配置文件. 文件不存在时保留默认值; 以 .toml 结尾的文件按 TOML 解析, 其他按 ini 解析.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	path := DefaultConfigPath
	if args != nil && args.ConfigPath != "" {
		path = args.ConfigPath
	}
	raw, err := loadConfiguration(path)
	if err != nil {
		return nil, err
	}
	cfg.Raw = raw

	cfg.parseLobCfg(raw.Section("lob"))
	if err := cfg.parseLogsCfg(raw.Section("logs")); err != nil {
		return nil, err
	}
	cfg.parseLockCfg(raw.Section("lock"))
	cfg.parseLogCfg(raw.Section("log"))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfiguration(path string) (*ini.File, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", path)
		return ini.Empty(), nil
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return loadToml(path)
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	logger.Debugf("成功加载配置文件: %s", path)
	return f, nil
}

// loadToml 把 TOML 的表转成同名的 ini 段, 之后与 ini 文件走同一套解析
func loadToml(path string) (*ini.File, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	f := ini.Empty()
	for name, v := range tree.ToMap() {
		table, ok := v.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("%s: top level key %q is not a table", path, name)
		}
		section := f.Section(name)
		keys := make([]string, 0, len(table))
		for k := range table {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			section.Key(k).SetValue(fmt.Sprint(table[k]))
		}
	}
	logger.Debugf("成功加载配置文件: %s", path)
	return f, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) string {
	if section == nil {
		return defaultValue
	}
	value := section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value
}

func (cfg *Cfg) parseLobCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}
	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.PayloadLimit = section.Key("payload_limit").MustInt(cfg.PayloadLimit)
	cfg.DataDir = valueAsString(section, "data_dir", cfg.DataDir)
	cfg.SpaceFile = valueAsString(section, "space_file", cfg.SpaceFile)
	cfg.MaxPages = uint32(section.Key("max_pages").MustUint(uint(cfg.MaxPages)))
	cfg.BufferPoolPages = section.Key("buffer_pool_pages").MustInt(cfg.BufferPoolPages)
	cfg.DirtyPageRatio = section.Key("dirty_page_ratio").MustFloat64(cfg.DirtyPageRatio)
	cfg.Doublewrite = section.Key("doublewrite").MustBool(cfg.Doublewrite)
	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) error {
	if section == nil {
		return nil
	}
	cfg.LogDir = valueAsString(section, "log_dir", cfg.LogDir)
	cfg.LogBufferSize = section.Key("log_buffer_size").MustInt(cfg.LogBufferSize)
	if section.HasKey("flush_interval") {
		d, err := time.ParseDuration(section.Key("flush_interval").String())
		if err != nil {
			return errors.Wrapf(err, "flush_interval")
		}
		cfg.FlushInterval = d
	}
	cfg.Compression = strings.ToLower(valueAsString(section, "compression", cfg.Compression))
	cfg.CompressionMinSavings = section.Key("compression_min_savings").MustFloat64(cfg.CompressionMinSavings)
	cfg.FlushLogAtCommit = section.Key("flush_log_at_commit").MustBool(cfg.FlushLogAtCommit)
	return nil
}

func (cfg *Cfg) parseLockCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}
	cfg.LockTimeout = section.Key("lock_timeout").MustDuration(cfg.LockTimeout)
	return cfg
}

func (cfg *Cfg) parseLogCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}
	cfg.LogError = valueAsString(section, "error_log", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "info_log", cfg.LogInfos)

	logLevel := strings.ToLower(valueAsString(section, "log_level", cfg.LogLevel))
	switch logLevel {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
		cfg.LogLevel = logLevel
	default:
		logger.Warnf("无效的日志级别 '%s', 使用 '%s'", logLevel, cfg.LogLevel)
	}
	return cfg
}

// Validate 检查取值范围. 页大小由 geometry 规整, 这里不检查.
func (cfg *Cfg) Validate() error {
	switch {
	case cfg.PayloadLimit < 0:
		return errors.Errorf("payload_limit %d is negative", cfg.PayloadLimit)
	case cfg.BufferPoolPages < 2:
		return errors.Errorf("buffer_pool_pages %d, need at least 2", cfg.BufferPoolPages)
	case cfg.DirtyPageRatio <= 0 || cfg.DirtyPageRatio > 1:
		return errors.Errorf("dirty_page_ratio %v not in (0, 1]", cfg.DirtyPageRatio)
	case cfg.LogBufferSize <= 0:
		return errors.Errorf("log_buffer_size %d", cfg.LogBufferSize)
	case cfg.FlushInterval < 0:
		return errors.Errorf("flush_interval %v is negative", cfg.FlushInterval)
	case cfg.CompressionMinSavings < 0 || cfg.CompressionMinSavings >= 1:
		return errors.Errorf("compression_min_savings %v not in [0, 1)", cfg.CompressionMinSavings)
	case cfg.LockTimeout < 0:
		return errors.Errorf("lock_timeout %v is negative", cfg.LockTimeout)
	}
	return nil
}

// SpacePath 表空间文件路径
func (cfg *Cfg) SpacePath() string {
	if filepath.IsAbs(cfg.SpaceFile) {
		return cfg.SpaceFile
	}
	return filepath.Join(cfg.DataDir, cfg.SpaceFile)
}

// RedoLogDir 重做日志目录, 相对路径相对于 DataDir
func (cfg *Cfg) RedoLogDir() string {
	if filepath.IsAbs(cfg.LogDir) {
		return cfg.LogDir
	}
	return filepath.Join(cfg.DataDir, cfg.LogDir)
}

// GetString 获取配置项的字符串值, key 形如 section.name
func (cfg *Cfg) GetString(key string) string {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) < 2 || cfg.Raw == nil {
		return ""
	}
	return valueAsString(cfg.Raw.Section(parts[0]), parts[1], "")
}

// GetInt 获取配置项的整数值
func (cfg *Cfg) GetInt(key string) int {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) < 2 || cfg.Raw == nil {
		return 0
	}
	return cfg.Raw.Section(parts[0]).Key(parts[1]).MustInt(0)
}
