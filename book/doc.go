// Package book implements the in-memory limit order book for a single
// instrument: price levels, red-black trees for the bid and ask sides,
// an order index for O(1) cancels, and the price-time priority matching
// algorithm with limit, market, IOC, FOK, GTC, and GFD semantics.
//
// The book is a pure, single-writer structure. It performs no I/O,
// reads no clocks, and contains no synchronization; the engine package
// wraps it with the locking and the collaborators.
package book
