package featureflag

type Flag string

const (
	FlagDisableTreeIntrospection Flag = "DISABLE_TREE_INTROSPECTION"
	FlagDisableRender            Flag = "DISABLE_RENDER"
	FlagDisableSubscriptions     Flag = "DISABLE_SUBSCRIPTIONS"
	FlagDisableSmokeTest         Flag = "DISABLE_SMOKE_TEST"
)
