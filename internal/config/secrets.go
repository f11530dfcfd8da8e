package config

import "github.com/joho/godotenv"

// RuntimeSecrets returns the environment provider for task subprocesses. The
// secrets file is parsed again on every call so credential changes take
// effect on the next run without a restart. A missing or unreadable file
// yields an empty overlay, never an error.
func RuntimeSecrets(path string) func() map[string]string {
	return func() map[string]string {
		values, err := godotenv.Read(path)
		if err != nil {
			return map[string]string{}
		}
		return values
	}
}
