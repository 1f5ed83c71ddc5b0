//go:build ignore

// probe-devices.go checks a fleet of twinguard daemons: readiness, the
// allow-list content identifier each one serves, and whether they agree.
//
// Run with: go run scripts/probe-devices.go http://robot-1:8088 http://robot-2:8088
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/twinguard/pkg/client"
)

type result struct {
	base    string
	health  *client.Health
	acl     *client.ACL
	err     error
	latency time.Duration
}

func probe(ctx context.Context, base string) result {
	start := time.Now()
	c, err := client.New(base)
	if err != nil {
		return result{base: base, err: err}
	}
	r := result{base: base}
	if r.health, r.err = c.Health(ctx); r.err != nil {
		r.latency = time.Since(start)
		return r
	}
	if r.health.PolicyLoaded {
		r.acl, r.err = c.ACL(ctx)
	}
	r.latency = time.Since(start)
	return r
}

func main() {
	bases := os.Args[1:]
	if len(bases) == 0 {
		fmt.Fprintln(os.Stderr, "usage: go run scripts/probe-devices.go <base-url>...")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs := make(chan string)
	results := make(chan result, len(bases))

	// Worker pool, 8 concurrent probes
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				results <- probe(ctx, b)
			}
		}()
	}
	for _, b := range bases {
		jobs <- b
	}
	close(jobs)
	wg.Wait()
	close(results)

	var all []result
	policies := map[string]int{}
	for r := range results {
		all = append(all, r)
		if r.acl != nil {
			policies[r.acl.CID]++
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].base < all[j].base })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSTATUS\tLEDGER\tSTORE\tPOLICY\tENTRIES\tLATENCY\tERROR")
	for _, r := range all {
		status, ledgerSt, storeSt, cid, entries := "-", "-", "-", "-", "-"
		if r.health != nil {
			status, ledgerSt, storeSt = r.health.Status, r.health.Ledger, r.health.ContentStore
		}
		if r.acl != nil {
			cid, entries = r.acl.CID, fmt.Sprint(len(r.acl.Entries))
		}
		errMsg := ""
		if r.err != nil {
			errMsg = r.err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.base, status, ledgerSt, storeSt, cid, entries, r.latency.Round(time.Millisecond), errMsg)
	}
	w.Flush()

	if len(policies) > 1 {
		fmt.Printf("\n%d different policies are being served\n", len(policies))
		os.Exit(1)
	}
}
