package main

import (
	"fmt"
	"os"

	"gatekeeper/internal/config"
)

func main() {
	fmt.Println("# Gatekeeper Environment Variables")
	fmt.Println()
	fmt.Println("Environment variables override values from the configuration file.")
	fmt.Println()
	fmt.Println("## Available Environment Variables")
	fmt.Println()

	cfg := &config.Config{}
	examples := config.EnvExample(cfg)

	for _, example := range examples {
		fmt.Printf("- `%s`\n", example)
	}

	fmt.Println()
	fmt.Println("## Examples")
	fmt.Println()
	fmt.Println("```bash")
	fmt.Println("# Point at a shared redis store")
	fmt.Println("export GATEKEEPER_STORE_TYPE=redis")
	fmt.Println("export GATEKEEPER_STORE_REDIS_ADDR=redis:6379")
	fmt.Println()
	fmt.Println("# Inject the admin secret without putting it in the file")
	fmt.Println("export GATEKEEPER_ADMIN_ENABLED=true")
	fmt.Println("export GATEKEEPER_ADMIN_SECRET=$(cat /run/secrets/gatekeeper-admin)")
	fmt.Println()
	fmt.Println("# Run with env vars")
	fmt.Println("./gatekeeper -config gatekeeper.yaml")
	fmt.Println("```")

	os.Exit(0)
}
