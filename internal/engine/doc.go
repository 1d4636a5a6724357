// Package engine orchestrates engine runs: it launches one subprocess per
// chain through the runner, streams each chain's console output into the
// store, the log broker and the console monitor as it arrives, maps exit
// codes and console classifications to terminal statuses, then parses the
// per-chain output files and assembles them into one inference result.
package engine
