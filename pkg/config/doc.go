/*
Package config loads the worker configuration.

Values are layered, each layer overriding the previous one:

 1. built-in defaults (Default)
 2. the YAML file passed to Load, skipped when it does not exist
 3. BURROW_* environment variables named after the yaml keys, nested
    blocks joined by an underscore (BURROW_RETRY_MAX_ATTEMPTS)
 4. command line flags, applied by cmd/burrow

Validate runs last. Every error returned by this package is fatal.

Example file:

	name: gpu-box-01
	api_url: https://api.example.com
	data_dir: /var/lib/burrow
	mode: auto
	poll_interval: 5s
	retry:
	  max_attempts: 11
	  base_delay: 1s
*/
package config
