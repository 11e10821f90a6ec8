package observability

import (
	"os"

	"github.com/danmuck/uclink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs a runtime console logger tagged with app as
// log.Logger. The UCLINK_LOG_LEVEL environment variable overrides level.
func InitLogger(app string, level string) zerolog.Logger {
	lvl, ok := logging.ParseLevel(os.Getenv(logging.EnvLogLevel))
	if !ok {
		lvl, _ = logging.ParseLevel(level)
	}
	logger := logging.New(logging.Config{Level: lvl, Timestamp: true}).With().Str("app", app).Logger()
	zerolog.SetGlobalLevel(lvl)
	log.Logger = logger
	return logger
}
