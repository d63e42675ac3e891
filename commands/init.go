package commands

import (
	"chunkfs/config"
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// RunInit writes a fresh config file. The node gets a random ID unless one
// is given.
func RunInit(ctx context.Context, cfg *config.Config, nodeID string) {
	if err := initConfig(cfg, nodeID); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
}

func initConfig(cfg *config.Config, nodeID string) error {
	if _, err := os.Stat(cfg.Path()); err == nil {
		return os.ErrExist
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	cfg.Node.ID = nodeID
	log.Infof("Node ID: %s", cfg.Node.ID)
	return cfg.Save()
}

// SetLogLevel sets the level of the command logger.
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
