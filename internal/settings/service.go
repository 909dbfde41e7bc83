package settings

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

// Service provides validated, typed access to runtime settings, layered over
// the raw string key-value Repository.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService creates a settings Service.
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("service", "settings").Logger()}
}

// GetAll returns every known setting, overlaying database overrides onto
// SettingDefaults.
func (s *Service) GetAll() (map[string]interface{}, error) {
	dbValues, err := s.repo.GetAll()
	if err != nil {
		return nil, err
	}

	result := make(map[string]interface{}, len(SettingDefaults))
	for key, defaultValue := range SettingDefaults {
		dbValue, exists := dbValues[key]
		if !exists {
			result[key] = defaultValue
			continue
		}
		if StringSettings[key] {
			result[key] = dbValue
			continue
		}
		floatVal, err := strconv.ParseFloat(dbValue, 64)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Str("value", dbValue).Msg("failed to parse overridden setting, using default")
			result[key] = defaultValue
			continue
		}
		result[key] = floatVal
	}
	return result, nil
}

// Get retrieves a single setting, falling back to its default when unset.
func (s *Service) Get(key string) (interface{}, error) {
	defaultValue, exists := SettingDefaults[key]
	if !exists {
		return nil, fmt.Errorf("unknown setting: %s", key)
	}

	dbValue, err := s.repo.Get(key)
	if err != nil {
		return nil, err
	}
	if dbValue == nil {
		return defaultValue, nil
	}
	if StringSettings[key] {
		return *dbValue, nil
	}
	floatVal, err := strconv.ParseFloat(*dbValue, 64)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Str("value", *dbValue).Msg("failed to parse overridden setting, using default")
		return defaultValue, nil
	}
	return floatVal, nil
}

// Set validates key against SettingDefaults' type (string vs float) and
// persists value.
func (s *Service) Set(key string, value interface{}) error {
	if _, exists := SettingDefaults[key]; !exists {
		return fmt.Errorf("unknown setting: %s", key)
	}

	if StringSettings[key] {
		strVal, ok := value.(string)
		if !ok {
			return fmt.Errorf("setting %s requires a string value", key)
		}
		return s.repo.Set(key, strVal, nil)
	}

	floatVal, ok := toFloat(value)
	if !ok {
		return fmt.Errorf("setting %s requires a numeric value", key)
	}
	return s.repo.Set(key, strconv.FormatFloat(floatVal, 'f', -1, 64), nil)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
