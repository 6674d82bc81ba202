// Command hashvectors-verify reads fixtures/hash-vectors.json and checks
// that every canonical form and domain-separated SHA-256 hash it lists
// matches this implementation's output. It exits non-zero on any mismatch,
// per spec.md §6's cross-implementation interop contract.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/proofkeep/flightcore/pkg/canon"
)

type canonicalCase struct {
	Name       string      `json:"name"`
	Input      interface{} `json:"input"`
	Canonical  string      `json:"canonical"`
}

type domainHashCase struct {
	Name      string `json:"name"`
	Domain    string `json:"domain"`
	Canonical string `json:"canonical"`
	SHA256Hex string `json:"sha256Hex"`
}

type vectorFile struct {
	CanonicalJSON []canonicalCase  `json:"canonicalJSON"`
	DomainHashes  []domainHashCase `json:"domainHashes"`
}

func main() {
	path := flag.String("file", "fixtures/hash-vectors.json", "path to hash-vectors.json")
	flag.Parse()

	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *path, err)
		os.Exit(1)
	}

	var vf vectorFile
	if err := json.Unmarshal(data, &vf); err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *path, err)
		os.Exit(1)
	}

	failures := 0

	for _, c := range vf.CanonicalJSON {
		got, err := canon.Canonicalize(c.Input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: canonicalize error: %v\n", c.Name, err)
			failures++
			continue
		}
		if string(got) != c.Canonical {
			fmt.Fprintf(os.Stderr, "FAIL %s: canonical mismatch\n  got:  %s\n  want: %s\n", c.Name, got, c.Canonical)
			failures++
			continue
		}
		fmt.Printf("OK %s\n", c.Name)
	}

	for _, c := range vf.DomainHashes {
		got := canon.Hash(c.Domain, []byte(c.Canonical))
		gotHex := hex.EncodeToString(got[:])
		if gotHex != c.SHA256Hex {
			fmt.Fprintf(os.Stderr, "FAIL %s: hash mismatch\n  got:  %s\n  want: %s\n", c.Name, gotHex, c.SHA256Hex)
			failures++
			continue
		}
		fmt.Printf("OK %s\n", c.Name)
	}

	if failures > 0 {
		fmt.Fprintf(os.Stderr, "%d vector(s) failed\n", failures)
		os.Exit(1)
	}
	fmt.Println("all vectors passed")
}
