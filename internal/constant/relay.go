package constant

const (
	ProductionEnvironment = "production"

	FeedStreamSubjectPrefix = "feed"
)

func GetFeedSubject(channel string) string {
	return FeedStreamSubjectPrefix + "." + channel
}
