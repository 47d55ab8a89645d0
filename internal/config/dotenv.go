package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadDotenv reads a .env file and sets environment variables that are not
// already defined. A missing file is silently ignored.
func LoadDotenv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	// godotenv.Load never overrides variables already present in the environment.
	return godotenv.Load(path)
}
