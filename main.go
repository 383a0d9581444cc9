// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("millbook - Offline-First Record Sync for Small Mills")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("millbook keeps a mill's business records (transactions, expenses,")
	fmt.Println("receivables, calculations, services, expense categories) editable")
	fmt.Println("while offline and reconciles them against an authoritative server")
	fmt.Println("with optimistic mutations, rollback, and explicit conflict resolution.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("1. millsync/ - client engine")
	fmt.Println("   Local cache store, optimistic mutator, conflict detector and")
	fmt.Println("   resolution queue, bulk reconciliation, optional sqlite mirror.")
	fmt.Println()
	fmt.Println("2. millserver/ - reference server")
	fmt.Println("   Owner-scoped Postgres store with per-record version")
	fmt.Println("   compare-and-swap, JSON API, JWT auth.")
	fmt.Println()
	fmt.Println("3. examples/millserverd/ - runnable reference server")
	fmt.Println("   Run: cd examples/millserverd && go run .")
}
