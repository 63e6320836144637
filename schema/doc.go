// Package schema resolves message type names to decoders at runtime.
//
// Types are declared in YAML:
//
//	types:
//	  - name: sensor_msgs/NavSatFix
//	    fields:
//	      - Header header
//	      - float64 latitude
//	      - float64 longitude
//	      - float64[9] position_covariance
//
// A field is either a "<type> <name>" scalar or a mapping with name and type
// keys. Types without a package are resolved relative to the declaring type.
// Decoded messages are Fields values, which marshal to JSON objects with keys
// in declaration order.
package schema
