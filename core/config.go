package core

import (
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Conf is the application configuration loaded at start up.
var Conf *Config

func init() {
	Conf = NewConfig()
}

type (
	serverConfig struct {
		Host                      string
		DebugHost                 string
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		ShutdownTimeout           time.Duration
	}

	databaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	paymentConfig struct {
		MidtransServerKey string
		Production        bool
		Currency          string
		TeacherPrice      int64
		SchoolPrice       int64
		PeriodMonths      int
		TrialDays         int
	}

	mediaConfig struct {
		Backend       string // cloudinary | oss | local
		CloudinaryURL string
		Folder        string
		OSSEndpoint   string
		OSSKeyID      string
		OSSKeySecret  string
		OSSBucket     string
		OSSBaseURL    string
		LocalDir      string
		LocalBaseURL  string
		MaxUploadSize int64
		MaxDimension  int
	}

	cacheConfig struct {
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		TTL           time.Duration
	}

	schedulerConfig struct {
		Enabled     bool
		ExpirySpec  string
		WarningSpec string
		WarningDays []int
	}

	Config struct {
		AppName                   string
		Env                       string
		Build                     string
		WorkDir                   string
		Debug                     bool
		TestMode                  bool
		SecretKey                 string
		FrontendBaseURL           string
		RollbarToken              string
		SendgridApiKey            string
		DefaultFromEmail          mail.Address
		PasswordResetTimeoutDelta time.Duration

		Server    serverConfig
		Database  databaseConfig
		Payment   paymentConfig
		Media     mediaConfig
		Cache     cacheConfig
		Scheduler schedulerConfig
	}
)

func (c databaseConfig) Address() string {
	if c.Port == "" {
		return c.Host
	}
	return c.Host + ":" + c.Port
}

// NewConfig reads the configuration from the environment, optionally seeded by `config/.env.<env>`.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("appName", "Classes Numériques")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "k3s9-7(vz%l!ab4w@n1e2^cq=8f0+hx$yt6r_d#um5pj*og")
	v.SetDefault("frontendBaseURL", "http://localhost:8080")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("defaultFromName", "Classes Numériques")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)

	v.SetDefault("serverHost", ":8000")
	v.SetDefault("serverDebugHost", ":4000")
	v.SetDefault("jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("jwtRefreshExpirationDelta", 4*time.Hour)
	v.SetDefault("shutdownTimeout", 5*time.Second)

	v.SetDefault("dbEngine", "postgres")
	v.SetDefault("dbHost", "localhost")
	v.SetDefault("dbPort", "5432")
	v.SetDefault("dbName", "classesnumeriques")
	v.SetDefault("dbUser", "classesnumeriques")
	v.SetDefault("dbPassword", "classesnumeriques")
	v.SetDefault("dbAdminUser", "postgres")
	v.SetDefault("dbAdminPassword", "")
	v.SetDefault("dbDisableTLS", true)

	v.SetDefault("midtransServerKey", "")
	v.SetDefault("midtransProduction", false)
	v.SetDefault("paymentCurrency", "IDR")
	v.SetDefault("teacherPrice", int64(150000))
	v.SetDefault("schoolPrice", int64(1500000))
	v.SetDefault("subscriptionMonths", 12)
	v.SetDefault("trialDays", 14)

	v.SetDefault("mediaBackend", "local")
	v.SetDefault("cloudinaryURL", "")
	v.SetDefault("mediaFolder", "exercises")
	v.SetDefault("ossEndpoint", "")
	v.SetDefault("ossKeyID", "")
	v.SetDefault("ossKeySecret", "")
	v.SetDefault("ossBucket", "")
	v.SetDefault("ossBaseURL", "")
	v.SetDefault("mediaLocalDir", filepath.Join("static", "uploads"))
	v.SetDefault("mediaLocalBaseURL", "/static/uploads")
	v.SetDefault("maxUploadSize", int64(8<<20))
	v.SetDefault("maxImageDimension", 1600)

	v.SetDefault("redisAddr", "")
	v.SetDefault("redisPassword", "")
	v.SetDefault("redisDB", 0)
	v.SetDefault("cacheTTL", 10*time.Minute)

	v.SetDefault("schedulerEnabled", true)
	v.SetDefault("expirySpec", "0 2 * * *")
	v.SetDefault("warningSpec", "0 9 * * *")
	v.SetDefault("warningDays", "30,7,1")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)

	wd := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		AppName:         v.GetString("appName"),
		Env:             env,
		Build:           v.GetString("build"),
		WorkDir:         wd,
		Debug:           v.GetBool("debug"),
		TestMode:        v.GetBool("testMode"),
		SecretKey:       v.GetString("secretKey"),
		FrontendBaseURL: strings.TrimRight(v.GetString("frontendBaseURL"), "/"),
		RollbarToken:    v.GetString("rollbarToken"),
		SendgridApiKey:  v.GetString("sendgridApiKey"),
		DefaultFromEmail: mail.Address{
			Name:    v.GetString("defaultFromName"),
			Address: v.GetString("defaultFromEmail"),
		},
		PasswordResetTimeoutDelta: v.GetDuration("passwordResetTimeoutDelta"),
		Server: serverConfig{
			Host:                      v.GetString("serverHost"),
			DebugHost:                 v.GetString("serverDebugHost"),
			JWTExpirationDelta:        v.GetDuration("jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("jwtRefreshExpirationDelta"),
			ShutdownTimeout:           v.GetDuration("shutdownTimeout"),
		},
		Database: databaseConfig{
			Engine:        v.GetString("dbEngine"),
			Host:          v.GetString("dbHost"),
			Port:          v.GetString("dbPort"),
			Name:          v.GetString("dbName"),
			User:          v.GetString("dbUser"),
			Password:      v.GetString("dbPassword"),
			AdminUser:     v.GetString("dbAdminUser"),
			AdminPassword: v.GetString("dbAdminPassword"),
			DisableTLS:    v.GetBool("dbDisableTLS"),
		},
		Payment: paymentConfig{
			MidtransServerKey: v.GetString("midtransServerKey"),
			Production:        v.GetBool("midtransProduction"),
			Currency:          v.GetString("paymentCurrency"),
			TeacherPrice:      v.GetInt64("teacherPrice"),
			SchoolPrice:       v.GetInt64("schoolPrice"),
			PeriodMonths:      v.GetInt("subscriptionMonths"),
			TrialDays:         v.GetInt("trialDays"),
		},
		Media: mediaConfig{
			Backend:       strings.ToLower(v.GetString("mediaBackend")),
			CloudinaryURL: v.GetString("cloudinaryURL"),
			Folder:        v.GetString("mediaFolder"),
			OSSEndpoint:   v.GetString("ossEndpoint"),
			OSSKeyID:      v.GetString("ossKeyID"),
			OSSKeySecret:  v.GetString("ossKeySecret"),
			OSSBucket:     v.GetString("ossBucket"),
			OSSBaseURL:    strings.TrimRight(v.GetString("ossBaseURL"), "/"),
			LocalDir:      v.GetString("mediaLocalDir"),
			LocalBaseURL:  strings.TrimRight(v.GetString("mediaLocalBaseURL"), "/"),
			MaxUploadSize: v.GetInt64("maxUploadSize"),
			MaxDimension:  v.GetInt("maxImageDimension"),
		},
		Cache: cacheConfig{
			RedisAddr:     v.GetString("redisAddr"),
			RedisPassword: v.GetString("redisPassword"),
			RedisDB:       v.GetInt("redisDB"),
			TTL:           v.GetDuration("cacheTTL"),
		},
		Scheduler: schedulerConfig{
			Enabled:     v.GetBool("schedulerEnabled"),
			ExpirySpec:  v.GetString("expirySpec"),
			WarningSpec: v.GetString("warningSpec"),
			WarningDays: parseInts(v.GetString("warningDays")),
		},
	}
}
