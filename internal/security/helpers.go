package security

import "fmt"

// safeOrderFields whitelists the OrderRequest fields convenience loggers
// may render verbatim (spec.md §4.5, "fixed whitelist of safe fields").
var safeOrderFields = []string{"symbol", "side", "order_type", "quantity", "reduce_only", "strategy_name"}

// safeResponseFields whitelists the exchange-response fields convenience
// loggers may render verbatim.
var safeResponseFields = []string{"ret_code", "ret_msg", "order_id", "symbol", "side", "status"}

// RenderSafe formats a map of values, keeping only whitelisted keys (in
// whitelist order) and omitting every other key. Use this instead of logging a raw
// OrderRequest/OrderResponse map.
func RenderSafe(values map[string]interface{}, whitelist []string) string {
	allowed := make(map[string]struct{}, len(whitelist))
	for _, k := range whitelist {
		allowed[k] = struct{}{}
	}

	out := "{"
	first := true
	for _, k := range whitelist {
		v, ok := values[k]
		if !ok {
			continue
		}
		if !first {
			out += ", "
		}
		first = false
		out += fmt.Sprintf("%s=%v", k, v)
	}
	out += "}"
	return out
}

// RenderOrderRequest renders an order request map using the safe whitelist.
func RenderOrderRequest(values map[string]interface{}) string {
	return RenderSafe(values, safeOrderFields)
}

// RenderAPIResponse renders an exchange response map using the safe whitelist.
func RenderAPIResponse(values map[string]interface{}) string {
	return RenderSafe(values, safeResponseFields)
}
