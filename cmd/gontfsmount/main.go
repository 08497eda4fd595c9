// Command gontfsmount mounts an NTFS volume as a FUSE file system that serves
// lookups, attributes, directory listings, file reads and extended-attribute
// reads; it implements no write operations.
package main

import (
	"context"
	"log"
	"os"

	"github.com/nfistri/gontfs/internal/fuse"
)

func main() {
	join, err := fuse.Mount(context.Background(), os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if err := join(context.Background()); err != nil {
		log.Fatal(err)
	}
}
