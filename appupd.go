// Package appupd holds the shared data model of the update engine: the
// per-application configuration variants, the version comparison rules, the
// digest helpers, and the error taxonomy.
//
// The packages in this module compose leaves-first: config, ledger, and the
// fetch layer feed the repository probe and the verifier, which feed the
// installer strategies, which the per-app pipeline drives under the
// libupdate orchestrator.
package appupd

// Version is the engine version, stamped at release.
const Version = `1.2.0`
