package config

// Defaults returns the built-in option values.
func Defaults() map[string]string {
	return map[string]string{
		ThreadCount:                "1",
		BatchSize:                  "1",
		BatchURIDelim:              ";",
		ModuleRoot:                 "/",
		FailOnError:                "true",
		MaxOptsFromModule:          "10",
		XCCConnectionRetryLimit:    "3",
		XCCConnectionRetryInterval: "60",
		XCCBreakerThreshold:        "0",
		CommandFilePollInterval:    "1",
		DiskQueueMaxInMemorySize:   "1000",
		MonitorInterval:            "60",
		Decrypter:                  "none",
		SSLConfig:                  "default",
	}
}
