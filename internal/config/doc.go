// Package config provides configuration parsing for wirecall
// deployments.
//
// The configuration is stored in wirecall.json at the project root.
// This package handles loading, saving, and validating configuration.
//
// # Configuration File Structure
//
//	{
//	  "name": "bookshop",
//	  "listen": ":8080",
//	  "basePath": "/api",
//	  "socketPath": "/ws",
//	  "secrets": ["${WIRECALL_SECRET}"],
//	  "session": {
//	    "store": "postgres",
//	    "ttl": "24h",
//	    "postgres": {
//	      "dsn": "${DATABASE_URL}"
//	    }
//	  },
//	  "security": {
//	    "allowedOrigins": ["https://bookshop.example"],
//	    "defaultMode": "corsReadToken"
//	  },
//	  "static": {
//	    "dir": "public"
//	  }
//	}
//
// Secrets and the postgres DSN may reference environment variables
// with ${VAR}; they are expanded at load time, after the serve command
// has loaded .env.
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Listen:", cfg.Listen)
package config
