// Package exchange moves newly produced rows to the ranks that own them.
//
// A Pair holds one send table per destination rank and one receive table.
// The send tables are windows of a single arena, so the whole outgoing
// traffic is one contiguous byte range and a single all-to-all-variable
// call moves it. Communicate is collective: every rank calls it once per
// cycle, in the same order as any other collective.
package exchange
