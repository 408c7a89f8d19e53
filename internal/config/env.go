package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// LoadEnv overrides configuration fields from GATEKEEPER_* environment
// variables. Variable names follow the yaml structure, e.g.
// GATEKEEPER_STORE_REDIS_ADDR or GATEKEEPER_ADMIN_SECRET.
func LoadEnv(cfg *Config) error {
	return loadEnvStruct(reflect.ValueOf(cfg).Elem(), "GATEKEEPER")
}

func loadEnvStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		name := strings.Split(yamlTag, ",")[0]
		envKey := fmt.Sprintf("%s_%s", prefix, strings.ToUpper(name))

		switch field.Kind() {
		case reflect.String:
			if val := os.Getenv(envKey); val != "" {
				field.SetString(val)
			}

		case reflect.Int, reflect.Int64:
			if val := os.Getenv(envKey); val != "" {
				intVal, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid int value for %s: %v", envKey, err)
				}
				field.SetInt(intVal)
			}

		case reflect.Float64:
			if val := os.Getenv(envKey); val != "" {
				floatVal, err := strconv.ParseFloat(val, 64)
				if err != nil {
					return fmt.Errorf("invalid float value for %s: %v", envKey, err)
				}
				field.SetFloat(floatVal)
			}

		case reflect.Bool:
			if val := os.Getenv(envKey); val != "" {
				boolVal, err := strconv.ParseBool(val)
				if err != nil {
					return fmt.Errorf("invalid bool value for %s: %v", envKey, err)
				}
				field.SetBool(boolVal)
			}

		case reflect.Slice:
			if val := os.Getenv(envKey); val != "" {
				if field.Type().Elem().Kind() == reflect.String {
					parts := strings.Split(val, ",")
					slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
					for i, part := range parts {
						slice.Index(i).SetString(strings.TrimSpace(part))
					}
					field.Set(slice)
				}
			}

		case reflect.Struct:
			if err := loadEnvStruct(field, envKey); err != nil {
				return err
			}
		}
	}

	return nil
}

// EnvExample lists every environment variable LoadEnv recognizes for cfg.
func EnvExample(cfg *Config) []string {
	var keys []string
	collectEnvKeys(reflect.ValueOf(cfg).Elem(), "GATEKEEPER", &keys)
	return keys
}

func collectEnvKeys(v reflect.Value, prefix string, keys *[]string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		yamlTag := t.Field(i).Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		name := strings.Split(yamlTag, ",")[0]
		envKey := fmt.Sprintf("%s_%s", prefix, strings.ToUpper(name))

		switch field.Kind() {
		case reflect.Struct:
			collectEnvKeys(field, envKey, keys)
		case reflect.String, reflect.Int, reflect.Int64, reflect.Float64, reflect.Bool:
			*keys = append(*keys, envKey)
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				*keys = append(*keys, envKey)
			}
		}
	}
}
