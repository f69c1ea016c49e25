// Package anchoring provides the content store and ledger clients used to
// publish approved protocols.
//
// S3ContentStore writes content-addressed objects to an S3-compatible
// bucket. GatewayClient uploads to an IPFS gateway over HTTP. DatalogClient
// records content IDs on a datalog ledger service.
package anchoring
