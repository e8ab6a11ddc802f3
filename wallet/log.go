package wallet

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the package-wide logger.  Any calls to this function must
// be made before a wallet is created and used (it is not concurrent safe).
func UseLogger(logger slog.Logger) {
	log = logger
}
