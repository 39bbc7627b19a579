// Package sl holds slog attribute helpers shared across the bot.
package sl

import (
	"fmt"
	"log/slog"
)

func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{Key: "err", Value: slog.StringValue("<nil>")}
	}
	return slog.Attr{
		Key:   "err",
		Value: slog.StringValue(err.Error()),
	}
}

// Secret keeps only the last 6 characters of a credential so it can be told apart in logs.
func Secret(key, value string) slog.Attr {
	masked := "?"
	switch {
	case value == "":
	case len(value) > 6:
		masked = fmt.Sprintf("***%s", value[len(value)-6:])
	default:
		masked = "***"
	}
	return slog.Attr{
		Key:   key,
		Value: slog.StringValue(masked),
	}
}

func Module(mod string) slog.Attr {
	return slog.Attr{
		Key:   "mod",
		Value: slog.StringValue(mod),
	}
}

func User(id int64) slog.Attr {
	return slog.Int64("user_id", id)
}
