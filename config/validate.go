package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type fields struct {
	APIURL   string `validate:"required,http_url"`
	DBPath   string `validate:"required"`
	RedisDB  int    `validate:"gte=0,lte=15"`
	TokenKey string `validate:"omitempty,min=8"`
}

// Validate checks the values that would otherwise only fail on first use.
func (c *Config) Validate() error {
	err := validate.Struct(fields{
		APIURL:   c.APIURL,
		DBPath:   c.DBPath,
		RedisDB:  c.RedisDB,
		TokenKey: c.TokenKey,
	})

	var problems []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			problems = append(problems, fieldMessage(fe))
		}
	} else if err != nil {
		return err
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("ESTATE_TIMEZONE %q is not a known time zone", c.Timezone))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

var envNames = map[string]string{
	"APIURL":   "ESTATE_API_URL",
	"DBPath":   "ESTATE_DB_PATH",
	"RedisDB":  "ESTATE_REDIS_DB",
	"TokenKey": "ESTATE_TOKEN_KEY",
}

func fieldMessage(fe validator.FieldError) string {
	name := envNames[fe.Field()]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", name)
	case "http_url":
		return fmt.Sprintf("%s must be an http(s) URL", name)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", name, fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s must be between 0 and 15", name)
	default:
		return fmt.Sprintf("%s is invalid", name)
	}
}
