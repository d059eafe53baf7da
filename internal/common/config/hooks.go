package config

import (
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks decode durations written as "30s" and lists given as comma separated environment variables.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}
