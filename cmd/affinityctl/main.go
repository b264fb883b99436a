package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func main() {
	var o options
	flag.IntVar(&o.partitions, "partitions", 1024, "partition count")
	flag.IntVar(&o.backups, "backups", 1, "backups per partition")
	flag.StringVar(&o.nodes, "nodes", "", "server nodes in join order: id[@host],...")
	flag.StringVar(&o.join, "join", "", "nodes joining after -nodes: id[@host],...")
	flag.StringVar(&o.leave, "leave", "", "node ids leaving: id,...")
	flag.StringVar(&o.keys, "keys", "", "keys to locate: key,...")
	flag.BoolVar(&o.excludeNeighbors, "exclude-neighbors", false, "never place a backup on the primary's host")
	flag.BoolVar(&o.owners, "owners", false, "print the owners of every partition")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage:
  affinityctl -nodes a@h1,b@h2,c@h3 [-partitions 1024] [-backups 1] [-keys k1,k2]
  affinityctl -nodes a,b,c -join d      show partitions that move when d joins
  affinityctl -nodes a,b,c -leave b     show partitions that move when b leaves
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	report, err := buildReport(context.Background(), o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		flag.Usage()
		os.Exit(2)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	_ = enc.Close()
}
