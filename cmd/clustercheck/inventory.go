package main

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/NavarchProject/clustercheck/pkg/inventory"
)

func printInventory(w io.Writer, inv *inventory.Inventory) {
	table := tablewriter.NewWriter(w)
	table.Header("Role", "#", "Address")

	groups := []struct {
		name  string
		hosts []string
	}{
		{inventory.GroupMasters, inv.Masters},
		{inventory.GroupNodes, inv.Nodes},
		{inventory.GroupGateways, inv.Gateways},
	}
	for _, g := range groups {
		if len(g.hosts) == 0 {
			table.Append([]string{g.name, "-", "(none)"})
			continue
		}
		for i, h := range g.hosts {
			table.Append([]string{g.name, strconv.Itoa(i + 1), h})
		}
	}

	table.Render()
}
