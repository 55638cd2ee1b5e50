// config_test.go: Configuration validation and helper tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"errors"
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1KB", 1024, false},
		{"1K", 1024, false},
		{"100MB", 100 * 1024 * 1024, false},
		{"100mb", 100 * 1024 * 1024, false},
		{"2GB", 2 * 1024 * 1024 * 1024, false},
		{"1TB", 1024 * 1024 * 1024 * 1024, false},
		{"", 0, true},
		{"10XB", 0, true},
		{"abcMB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"1y", 365 * 24 * time.Hour, false},
		{"", 0, true},
		{"sevend", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantField string
	}{
		{"missing_directory", Config{Name: "app"}, "Directory"},
		{"missing_name", Config{Directory: "/tmp"}, "Name"},
		{"both_max_sizes", Config{Directory: "/tmp", Name: "app", MaxSize: 1, MaxSizeStr: "1MB"}, "MaxSize"},
		{"both_rotate_every", Config{Directory: "/tmp", Name: "app", RotateEvery: time.Hour, RotateEveryStr: "1d"}, "RotateEvery"},
		{"bad_size_string", Config{Directory: "/tmp", Name: "app", MaxSizeStr: "lots"}, "MaxSizeStr"},
		{"bad_duration_string", Config{Directory: "/tmp", Name: "app", RotateEveryStr: "often"}, "RotateEveryStr"},
		{"bad_algorithm", Config{Directory: "/tmp", Name: "app",
			Encryption: &EncryptionConfig{Algorithm: "rot13"}}, "Encryption.Algorithm"},
		{"negative_max_keys", Config{Directory: "/tmp", Name: "app",
			Encryption: &EncryptionConfig{MaxKeys: -1}}, "Encryption.MaxKeys"},
		{"negative_capacity", Config{Directory: "/tmp", Name: "app",
			FingersCrossed: &FingersCrossedConfig{Capacity: -1}}, "FingersCrossed.Capacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.cfg.validate()
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %T is not a ConfigError: %v", err, err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("ConfigError.Field = %q, want %q", cfgErr.Field, tt.wantField)
			}
		})
	}
}

func TestConfigValidateResolvesStrings(t *testing.T) {
	cfg := Config{Directory: "/tmp", Name: "app", MaxSizeStr: "1MB", RotateEveryStr: "1d"}
	maxSize, rotateEvery, err := cfg.validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if maxSize != 1024*1024 {
		t.Errorf("maxSizeBytes = %d, want %d", maxSize, 1024*1024)
	}
	if rotateEvery != 24*time.Hour {
		t.Errorf("rotateEvery = %v, want 24h", rotateEvery)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename("app\x00log"); got != "app_log" {
		t.Errorf("SanitizeFilename = %q", got)
	}
	if got := SanitizeFilename("plain"); got != "plain" {
		t.Errorf("SanitizeFilename mangled a clean name: %q", got)
	}
}

func TestRetryFileOperation(t *testing.T) {
	attempts := 0
	err := RetryFileOperation(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("operation failed despite eventual success: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	err = RetryFileOperation(func() error {
		return errors.New("permanent")
	}, 2, time.Millisecond)
	if err == nil {
		t.Error("permanently failing operation reported success")
	}
}
