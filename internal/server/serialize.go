package server

import (
	"encoding/json"
	"net/http"
)

func encode(w http.ResponseWriter, v interface{}) error {
	return json.
		NewEncoder(w).
		Encode(v)
}
