// Package config loads passportd's service configuration and its catalog of
// production schemas.
//
// # Service Configuration
//
// Load reads an optional YAML file over Default and then applies
// environment variables prefixed with PASSPORTD_. Nested sections add their
// own prefix, so the database path is PASSPORTD_DATABASE_PATH and the Redis
// address is PASSPORTD_CACHE_ADDR. The merged result is validated with
// struct tags and per-section rules:
//
//	cfg, err := config.Load("/etc/passportd/passportd.yaml")
//	if err != nil {
//	    return err
//	}
//
// # Production Schemas
//
// A production schema lists the stages a unit goes through and the protocol
// template it is tested against. Schemas are YAML documents; a file may hold
// several, separated by "---":
//
//	schema_id: motor-v1
//	unit_name: Motor
//	production_stages:
//	  - id: winding
//	    name: Stator winding
//	schema_protocol:
//	  protocol_name: Motor acceptance
//	  protocol_schema_id: motor-acceptance
//	  rows:
//	    - name: insulation
//	      value: ""
//	      checked: false
//
// Every document is checked against its struct tags, the #ProductionSchema
// CUE definition held by SchemaRegistry, and for unique stage and row
// identifiers. Catalog.Sync writes a directory of schemas to storage only if
// all of them are valid; Catalog.Watch repeats the sync when files change.
package config
