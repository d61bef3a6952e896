package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/pkg/api"
)

// CustomHooks replaces viper's default decode hook, so the defaults are composed back in.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		RoleDecodeHook(),
		QuantityDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

// RoleDecodeHook parses peer roles case-insensitively and rejects unknown ones.
func RoleDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(api.Role("")) {
			return data, nil
		}
		role := api.Role(strings.ToLower(strings.TrimSpace(data.(string))))
		if !role.IsValid() {
			return nil, &nodeerrors.ErrInvalidArgument{
				Name:    "role",
				Value:   data,
				Message: "expected one of validator, worker, user",
			}
		}
		return role, nil
	}
}

// QuantityDecodeHook parses Kubernetes style quantities such as "8Gi" for memory sizes.
func QuantityDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(resource.Quantity{}) {
			return data, nil
		}
		return resource.ParseQuantity(fmt.Sprintf("%v", data))
	}
}
