package www

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// FetchJSON performs the request, and decodes a 200 response into 'output'.
// Any other status is returned as an error that includes the response body.
func FetchJSON(req *http.Request, output any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		respB, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error %v (%v)", resp.Status, string(respB))
	}
	if output == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(output)
}

// PostJSON sends 'input' as the JSON body of a POST, and decodes the response into 'output', which may be nil
func PostJSON(url string, input, output any) error {
	var body io.Reader
	if input != nil {
		b, err := json.Marshal(input)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest("POST", url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if output == nil {
		// Responses such as "OK" are not JSON
		return FetchJSON(req, nil)
	}
	return FetchJSON(req, output)
}
