package config

import (
	"encoding/json"
	"fmt"
	"os"

	"tradefleet/internal/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中。
// 零值字段会被填充为默认值，随后整体校验。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ValidateSpec checks a bot spec against its field constraints. A violation
// wraps ErrInvalidSpec so callers can branch with errors.Is.
func ValidateSpec(spec models.BotSpec) error {
	if err := validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidSpec, err)
	}
	return nil
}
