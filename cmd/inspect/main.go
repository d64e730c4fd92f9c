// inspect dumps raw storage keys for debugging. Point it at a farmchatd
// data dir (the daemon must be stopped) and list keys by prefix:
//
//	inspect -db ./farmchat-data -prefix conv: -values
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"farmchat/pkg/logger"
	"farmchat/pkg/store"
)

func main() {
	var (
		dbPath  = flag.String("db", "./farmchat-data", "farmchatd data dir")
		prefix  = flag.String("prefix", "", "key prefix to list (conv:, convpair:, msg:, user:, participant:, system:); empty lists everything")
		values  = flag.Bool("values", false, "print values as well as keys")
		maxKeys = flag.Int("n", 1000, "stop after this many keys")
	)
	flag.Parse()
	logger.Init()

	db, err := store.OpenPebble(filepath.Join(*dbPath, "store"), false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	keys, err := db.ListKeys(*prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list keys: %v\n", err)
		os.Exit(1)
	}
	for i, k := range keys {
		if i >= *maxKeys {
			fmt.Printf("... truncated at %d keys (%d total)\n", *maxKeys, len(keys))
			break
		}
		if *values {
			v, err := db.GetRaw(k)
			if err != nil {
				fmt.Printf("%s\t<error: %v>\n", k, err)
				continue
			}
			fmt.Printf("%s\t%s\n", k, v)
		} else {
			fmt.Println(k)
		}
	}
}
