package configs

import (
	"errors"

	"github.com/jobbyist/yute-za/internal/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	JWT struct {
		SECRET string `mapstructure:"secret"`
	} `mapstructure:"jwt"`
	Governance struct {
		VotingWindowDays     int  `mapstructure:"voting_window_days"`
		AllowRecipientVote   bool `mapstructure:"allow_recipient_vote"`
		SweepIntervalMinutes int  `mapstructure:"sweep_interval_minutes"`
	} `mapstructure:"governance"`
}

var AppConfig Config

func LoadConfig() {
	viper.AddConfigPath("./configs")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("governance.voting_window_days", 7)
	viper.SetDefault("governance.allow_recipient_vote", false)
	viper.SetDefault("governance.sweep_interval_minutes", 15)

	viper.AutomaticEnv()

	var fileLookupError viper.ConfigFileNotFoundError
	if err := viper.ReadInConfig(); err != nil {
		if errors.As(err, &fileLookupError) {
			logger.Log.Fatal("config file not found", zap.Error(err))
		}
		logger.Log.Fatal("failed to read config", zap.Error(err))
	}

	viper.Unmarshal(&AppConfig)
}
