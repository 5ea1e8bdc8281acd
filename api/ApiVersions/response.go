package ApiVersions

type Response struct {
	ErrorCode int16
	ApiKeys   []ApiKeyVersion
}

type ApiKeyVersion struct {
	ApiKey     int16
	MinVersion int16
	MaxVersion int16
}

// MaxVersion returns the highest version of the api the broker supports, or
// -1 if the broker does not support the api.
func (r *Response) MaxVersion(apiKey int16) int16 {
	for _, k := range r.ApiKeys {
		if k.ApiKey == apiKey {
			return k.MaxVersion
		}
	}
	return -1
}
