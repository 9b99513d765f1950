package dap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// mapToStruct converts map[string]interface{} to the struct type object.
// output must be a pointer to the struct object.
func mapToStruct(input map[string]interface{}, output interface{}) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(input); err != nil {
		return err
	}
	if err := json.NewDecoder(buf).Decode(output); err != nil && err != io.EOF {
		if uerr, ok := err.(*json.UnmarshalTypeError); ok {
			// Format json.UnmarshalTypeError error string in our own way. E.g.,
			//   "json: cannot unmarshal number into Go struct field LaunchConfig.program of type string"
			//   => "cannot unmarshal number into 'program' of type string"
			typ := uerr.Type.String()
			if uerr.Field == "substitutePath" {
				typ = `{"from":string, "to":string}`
			}
			return fmt.Errorf("cannot unmarshal %v into %q of type %v", uerr.Value, uerr.Field, typ)
		}
		return err
	}
	return nil
}

// threadID converts a backend thread id to a DAP thread id. Backend thread
// ids are small decimal numbers; anything else maps to the single dummy
// thread.
func threadID(id string) int {
	n, err := strconv.Atoi(id)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}
