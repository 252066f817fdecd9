package agent

import "time"

// reportNow is indirected so tests can pin the abuse-report timestamp.
var reportNow = time.Now
