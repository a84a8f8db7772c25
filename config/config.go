package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/mxlib/roomsync/room"
	"github.com/mxlib/roomsync/syncer"
)

var logger *logrus.Entry

func init() {
	rootLogger := logrus.New()
	rootLogger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	logger = rootLogger.WithFields(logrus.Fields{"prefix": "config"})
}

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Entry) {
	logger = l
}

// Load reads the engine configuration file, with environment-variable
// overrides and change watching.
func Load(cfgfile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(cfgfile)

	v.SetEnvPrefix("roomsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s", err)
	}

	// reload config on file changes
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Infof("config file %s changed, reloading", e.Name)
	})
	if runtime.GOOS != "illumos" {
		v.WatchConfig()
	}

	return v, nil
}

// RoomOpts extracts per-room engine options from a loaded configuration.
func RoomOpts(v *viper.Viper) *room.Opts {
	opts := &room.Opts{
		TimelineSupport:  v.GetBool("room.timelinesupport"),
		UpdateBufferSize: v.GetInt("room.updatebuffersize"),
	}
	if v.GetString("room.pendingeventordering") == string(room.PendingOrderingDetached) {
		opts.PendingEventOrdering = room.PendingOrderingDetached
	} else {
		opts.PendingEventOrdering = room.PendingOrderingChronological
	}
	return opts
}

// SyncerOpts extracts ingestion options from a loaded configuration.
func SyncerOpts(v *viper.Viper) *syncer.Opts {
	return &syncer.Opts{
		RoomOpts:               RoomOpts(v),
		DedupCacheSize:         v.GetInt("syncer.dedupcachesize"),
		CanResetEntireTimeline: v.GetBool("syncer.canresetentiretimeline"),
		PageLimit:              v.GetInt("syncer.pagelimit"),
	}
}
