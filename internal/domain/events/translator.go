package events

// ConvertDomainOptions resolves domain-level publishing options into the
// options handed to an EventBus, dropping empty values.
func ConvertDomainOptions(domainOpts []PublishOption) []PublishOption {
	dp := PublishParams{}
	for _, dOpt := range domainOpts {
		dOpt(&dp)
	}

	var eventOpts []PublishOption
	if dp.Key != "" {
		eventOpts = append(eventOpts, WithKey(dp.Key))
	}
	if len(dp.Headers) > 0 {
		eventOpts = append(eventOpts, WithHeaders(dp.Headers))
	}

	return eventOpts
}

// ApplyOptions folds opts into a PublishParams.
func ApplyOptions(opts []PublishOption) PublishParams {
	var p PublishParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
