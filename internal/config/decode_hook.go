package config

import (
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kjanssen/vidcore/pkg/duration"
)

// durationDecodeHook lets any time.Duration config field accept the
// extended human-readable forms ("30d", "2w") in addition to Go's
// standard duration syntax, by delegating to pkg/duration before
// mapstructure's default string-to-duration conversion runs.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		if from.Kind() != reflect.String {
			return data, nil
		}
		return duration.Parse(data.(string))
	}
}
