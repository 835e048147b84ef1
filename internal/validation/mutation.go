package validation

import (
	"fmt"

	callsync "github.com/callivate/syncd/internal/sync"
	"github.com/callivate/syncd/internal/tables"
	"github.com/callivate/syncd/internal/types"
)

const (
	// MaxQueueEntries is the maximum mutations per enqueue request.
	MaxQueueEntries = 500

	// MaxResolveEntries is the maximum decisions per resolve request.
	MaxResolveEntries = 500

	// MaxTableNameLength bounds table_name.
	MaxTableNameLength = 64
)

// ValidateMutations checks a whole enqueue batch for ownerID. Any invalid
// entry rejects the batch; the returned error is *Errors.
func ValidateMutations(ownerID string, reqs []types.MutationRequest) error {
	var c Collector
	c.Add(ValidateRequired("owner_id", ownerID))
	if len(reqs) == 0 {
		c.Addf("items", "at least one mutation is required")
	}
	if len(reqs) > MaxQueueEntries {
		c.Addf("items", "exceeds maximum of %d mutations", MaxQueueEntries)
	}
	for i, req := range reqs {
		for _, e := range ValidateMutation(i, ownerID, req) {
			c.Add(&e)
		}
	}
	return c.Err()
}

// ValidateMutation checks a single mutation. Field names are prefixed with the
// item index, e.g. "items[2].record_id".
func ValidateMutation(i int, ownerID string, req types.MutationRequest) []ValidationError {
	var c Collector
	prefix := fmt.Sprintf("items[%d].", i)

	if e := ValidateRequired(prefix+"table_name", req.TableName); e != nil {
		c.Add(e)
	} else {
		c.Add(ValidateMaxLength(prefix+"table_name", req.TableName, MaxTableNameLength))
		if _, ok := tables.Get(req.TableName); !ok {
			c.Add(ValidateEnum(prefix+"table_name", req.TableName, tables.Names()))
		}
	}

	c.Add(ValidateUUID(prefix+"record_id", req.RecordID))
	c.Add(ValidateEnum(prefix+"operation", req.Operation, callsync.Operations))
	if req.ConflictResolution != "" {
		c.Add(ValidateEnum(prefix+"conflict_resolution", req.ConflictResolution, callsync.Policies))
	}

	op := callsync.Operation(req.Operation)
	switch op {
	case callsync.OperationCreate, callsync.OperationUpdate:
		if len(req.Data) == 0 {
			c.Addf(prefix+"data", "is required for %s", op)
			break
		}
		validatePayload(&c, prefix, ownerID, req)
	}

	return c.Errors()
}

func validatePayload(c *Collector, prefix, ownerID string, req types.MutationRequest) {
	if err := req.Data.Validate(); err != nil {
		c.Addf(prefix+"data", "%s", err.Error())
		return
	}

	if id, ok := req.Data[callsync.FieldID]; ok {
		if s, isStr := id.(string); !isStr || s != req.RecordID {
			c.Addf(prefix+"data.id", "must match record_id")
		}
	}

	if v, ok := req.Data[callsync.FieldUpdatedAt]; ok && v != nil {
		if _, parsed := callsync.ParseTimestamp(v); !parsed {
			c.Addf(prefix+"data.updated_at", "must be an RFC 3339 timestamp")
		}
	}

	schema, ok := tables.Get(req.TableName)
	if !ok {
		return
	}
	if schema.OwnerField != "" {
		if v, present := req.Data[schema.OwnerField]; present {
			if s, isStr := v.(string); !isStr || s != ownerID {
				c.Addf(prefix+"data."+schema.OwnerField, "does not match the authenticated owner")
			}
		}
	}
	if callsync.Operation(req.Operation) == callsync.OperationCreate {
		for _, field := range schema.Required {
			if _, present := req.Data[field]; !present {
				c.Addf(prefix+"data."+field, "is required")
			}
		}
	}
}

// ValidateResolveRequests checks the shape of a resolve batch.
func ValidateResolveRequests(reqs []types.ResolveRequest) error {
	var c Collector
	if len(reqs) == 0 {
		c.Addf("items", "at least one resolution is required")
	}
	if len(reqs) > MaxResolveEntries {
		c.Addf("items", "exceeds maximum of %d resolutions", MaxResolveEntries)
	}
	return c.Err()
}

// ValidateResolveRequest checks one manual decision. Failures are policy
// errors: the decision is rejected and the record keeps its state.
func ValidateResolveRequest(req types.ResolveRequest) []ValidationError {
	var c Collector
	c.Add(ValidateULID("sync_item_id", req.SyncItemID))
	c.Add(ValidateEnum("resolution_strategy", req.ResolutionStrategy, callsync.ManualStrategies))
	if callsync.ConflictPolicy(req.ResolutionStrategy) == callsync.PolicyMerge {
		if len(req.MergedData) == 0 {
			c.Addf("merged_data", "is required for merge")
		} else if err := req.MergedData.Validate(); err != nil {
			c.Addf("merged_data", "%s", err.Error())
		}
	}
	return c.Errors()
}
