// Command quotaguard runs the metering engine's admin service and offers
// operator commands against the configured stores.
//
// Usage:
//
//	# Start the admin API with cache refresh
//	quotaguard serve -c quotaguard.yaml
//
//	# Inspect or change a quota
//	quotaguard quota list
//	quotaguard quota set chat free --limit 20 --window daily
//
//	# Grant purchased credits
//	quotaguard credits grant user 42 100 --reason refund
//
//	# Show budget status
//	quotaguard budget status gemini
package main

func main() {
	Execute()
}
