// Package engine implements the core of the declarative provisioning engine:
// the resource model, reference resolution, dependency graph construction,
// plan computation, and plan execution against provider adapters.
//
// The engine follows a four-stage pipeline:
//
//	Resources -> Graph (resolve references, reject cycles)
//	Graph + State -> Plan (classify create/update/replace/destroy per node)
//	Plan -> Apply (DAG-ordered worker pool, partial-failure report)
//
// Planning is side-effect free and repeatable. The executor is the only
// writer of the state store; writes are serialized per resource with
// compare-and-swap tokens so concurrent runs cannot corrupt a record.
package engine
