package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
)

func main() {
	var (
		cmdMaster = flag.Bool("master", false, "genera la clave maestra del vault (FARO_MASTER_KEY)")
		cmdSecret = flag.Bool("secret", false, "genera una clave de cifrado para una base (faro secret put)")
		cmdPeer   = flag.Bool("peer", false, "genera el secreto compartido del cluster (cluster.secret)")
	)
	flag.Parse()

	switch {
	case *cmdMaster:
		key := generate()
		fmt.Println("🔐 FaroDB - Master Key Generator")
		fmt.Printf("✅ Generated key: %s\n", key)
		fmt.Println("\n💡 Add this to your .env file:")
		fmt.Printf("FARO_MASTER_KEY=%s\n", key)
	case *cmdSecret:
		key := generate()
		fmt.Printf("✅ Generated key: %s\n", key)
		fmt.Println("\n💡 Register it for a database:")
		fmt.Printf("faro secret put <database> --key '%s'\n", key)
	case *cmdPeer:
		key := generate()
		fmt.Printf("✅ Generated secret: %s\n", key)
		fmt.Println("\n💡 Set the SAME value on every node (configs/farod.yaml):")
		fmt.Printf("cluster:\n  secret: \"%s\"\n", key)
	default:
		fmt.Println("usage:")
		fmt.Println("  keygen -master   clave maestra del vault (env FARO_MASTER_KEY)")
		fmt.Println("  keygen -secret   clave de cifrado de una base (32 bytes, base64)")
		fmt.Println("  keygen -peer     secreto compartido entre nodos del cluster")
	}
}

// generate devuelve 32 bytes aleatorios en base64 estándar.
func generate() string {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Printf("❌ Error generating key: %v\n", err)
		os.Exit(1)
	}
	return base64.StdEncoding.EncodeToString(key)
}
