package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New создаёт структурированный логгер, который передаётся компонентам явно.
// В development используется текстовый формат, в остальных окружениях - JSON.
func New(level, env string) *logrus.Logger {
	return NewWithOutput(level, env, os.Stdout)
}

// NewWithOutput аналогичен New, но пишет в заданный writer.
func NewWithOutput(level, env string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if env == "development" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// Discard возвращает логгер, который ничего не пишет. Удобен в тестах.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
