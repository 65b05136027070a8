package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// yamlTags makes viper decode through the same `yaml` struct tags the
// Store writes with, so snake_case keys land on their fields.
func yamlTags(c *mapstructure.DecoderConfig) { c.TagName = "yaml" }

// LoadStation reads a station config from path (sensors.yaml by
// convention) under the "station" key and validates it, following the
// same viper.UnmarshalKey pattern the rest of this codebase uses for its
// own config sections.
func LoadStation(path string) (Station, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Station{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var st Station
	if err := v.UnmarshalKey("station", &st, yamlTags); err != nil {
		return Station{}, fmt.Errorf("config: decoding station from %s: %w", path, err)
	}
	if err := st.Validate(); err != nil {
		return Station{}, err
	}
	return st, nil
}

// LoadStorage reads a storage config from path (storage.yaml by
// convention) under the "storage" key and validates it.
func LoadStorage(path string) (Storage, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Storage{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	st := DefaultStorage()
	if err := v.UnmarshalKey("storage", &st, yamlTags); err != nil {
		return Storage{}, fmt.Errorf("config: decoding storage from %s: %w", path, err)
	}
	if err := st.Validate(); err != nil {
		return Storage{}, err
	}
	return st, nil
}
