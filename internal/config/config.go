// Package config contains configuration loading for the patient token service.
package config

import (
	"encoding/json"
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/fixedasset/patient-token-system/internal/model"
)

// Config holds the runtime parameters of the service.
type Config struct {
	RunAddress              string `env:"RUN_ADDRESS"`
	DatabaseURI             string `env:"DATABASE_URI"`
	TokenBridgeAddress      string `env:"TOKEN_BRIDGE_ADDRESS"`
	PatientDirectoryAddress string `env:"PATIENT_DIRECTORY_ADDRESS"`
	StaffAuthSecret         string `env:"STAFF_AUTH_SECRET"`
	StaffAccessCode         string `env:"STAFF_ACCESS_CODE"`
	BenefitCatalogJSON      string `env:"BENEFIT_CATALOG"`
}

// defaultCatalog is used when no BENEFIT_CATALOG override is configured.
var defaultCatalog = []model.Benefit{
	{ServiceType: "CHECKUP", Description: "Regular Health Checkup", HTCost: 10},
	{ServiceType: "MEDICINE", Description: "Medicine Discount (20%)", HTCost: 5},
	{ServiceType: "INSURANCE", Description: "Health Insurance Coverage", HTCost: 50},
	{ServiceType: "SPECIALIST", Description: "Specialist Consultation", HTCost: 25},
	{ServiceType: "DIAGNOSTIC", Description: "Diagnostic Tests Package", HTCost: 30},
}

// Parse reads configuration from command line flags and environment
// variables. Environment values take precedence over flags.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBridgeAddress := cfg.TokenBridgeAddress
	envDirectoryAddress := cfg.PatientDirectoryAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.TokenBridgeAddress, "b", "", "token bridge address (empty enables simulated settlement)")
	flag.StringVar(&cfg.PatientDirectoryAddress, "p", "", "patient directory address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBridgeAddress != "" {
		cfg.TokenBridgeAddress = envBridgeAddress
	}
	if envDirectoryAddress != "" {
		cfg.PatientDirectoryAddress = envDirectoryAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StaffAuthSecret == "" {
		cfg.StaffAuthSecret = "patient-tokens-secret"
	}

	return cfg, nil
}

// BenefitCatalog returns the configured benefit catalog, falling back to the
// built-in defaults. The catalog is read once at startup and passed to the
// service explicitly.
func (c *Config) BenefitCatalog() ([]model.Benefit, error) {
	if c.BenefitCatalogJSON == "" {
		catalog := make([]model.Benefit, len(defaultCatalog))
		copy(catalog, defaultCatalog)
		return catalog, nil
	}

	var catalog []model.Benefit
	if err := json.Unmarshal([]byte(c.BenefitCatalogJSON), &catalog); err != nil {
		return nil, fmt.Errorf("parse benefit catalog: %w", err)
	}

	for _, b := range catalog {
		if b.ServiceType == "" || b.HTCost <= 0 {
			return nil, fmt.Errorf("benefit catalog entry %q: service type and positive cost required", b.ServiceType)
		}
	}

	return catalog, nil
}
