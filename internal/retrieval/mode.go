package retrieval

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// ModeEnv names the environment variable that selects the retrieval mode.
const ModeEnv = "RESOLVER_MODE"

// Mode selects which target kinds a run accepts.
type Mode struct {
	Documents bool
	Datasets  bool
}

// ParseMode accepts documents, datasets or both, plus a few short aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "documents", "document", "pdf":
		return Mode{Documents: true}, nil
	case "datasets", "dataset", "data":
		return Mode{Datasets: true}, nil
	case "both", "all":
		return Mode{Documents: true, Datasets: true}, nil
	default:
		return Mode{}, fmt.Errorf("mode must be documents, datasets or both (got %q)", s)
	}
}

// EnvMode reads RESOLVER_MODE. ok is false when the variable is unset or
// holds an unknown value.
func EnvMode() (Mode, bool) {
	v, ok := os.LookupEnv(ModeEnv)
	if !ok {
		return Mode{}, false
	}
	m, err := ParseMode(v)
	if err != nil {
		log.Warn().
			Str("key", ModeEnv).
			Str("value", v).
			Msg("Invalid retrieval mode in environment variable, using default")
		return Mode{}, false
	}
	return m, true
}
