package ci

// Vendors lists the recognized providers. Jenkins and TaskCluster need two
// variables present before they count; Codeship is spotted by value.
var Vendors = []Vendor{
	{Name: "AppVeyor", Constant: "APPVEYOR", AnyEnv: []string{"APPVEYOR"}},
	{Name: "Azure Pipelines", Constant: "AZURE_PIPELINES", AnyEnv: []string{"SYSTEM_TEAMFOUNDATIONCOLLECTIONURI"}},
	{Name: "Appcircle", Constant: "APPCIRCLE", AnyEnv: []string{"AC_APPCIRCLE"}},
	{Name: "Bamboo", Constant: "BAMBOO", AnyEnv: []string{"bamboo_planKey"}},
	{Name: "Bitbucket Pipelines", Constant: "BITBUCKET", AnyEnv: []string{"BITBUCKET_COMMIT"}},
	{Name: "Bitrise", Constant: "BITRISE", AnyEnv: []string{"BITRISE_IO"}},
	{Name: "Buddy", Constant: "BUDDY", AnyEnv: []string{"BUDDY_WORKSPACE_ID"}},
	{Name: "Buildkite", Constant: "BUILDKITE", AnyEnv: []string{"BUILDKITE"}},
	{Name: "CircleCI", Constant: "CIRCLE", AnyEnv: []string{"CIRCLECI"}},
	{Name: "Cirrus CI", Constant: "CIRRUS", AnyEnv: []string{"CIRRUS_CI"}},
	{Name: "AWS CodeBuild", Constant: "CODEBUILD", AnyEnv: []string{"CODEBUILD_BUILD_ARN"}},
	{Name: "Codefresh", Constant: "CODEFRESH", AnyEnv: []string{"CF_BUILD_ID"}},
	{Name: "Codeship", Constant: "CODESHIP", EvalEnv: map[string]string{"CI_NAME": "codeship"}},
	{Name: "Drone", Constant: "DRONE", AnyEnv: []string{"DRONE"}},
	{Name: "dsari", Constant: "DSARI", AnyEnv: []string{"DSARI"}},
	{Name: "GitHub Actions", Constant: "GITHUB_ACTIONS", AnyEnv: []string{"GITHUB_ACTIONS"}},
	{Name: "GitLab CI", Constant: "GITLAB", AnyEnv: []string{"GITLAB_CI"}},
	{Name: "GoCD", Constant: "GOCD", AnyEnv: []string{"GO_PIPELINE_LABEL"}},
	{Name: "LayerCI", Constant: "LAYERCI", AnyEnv: []string{"LAYERCI"}},
	{Name: "Hudson", Constant: "HUDSON", AnyEnv: []string{"HUDSON_URL"}},
	{Name: "Jenkins", Constant: "JENKINS", AllEnv: []string{"JENKINS_URL", "BUILD_ID"}},
	{Name: "Magnum CI", Constant: "MAGNUM", AnyEnv: []string{"MAGNUM"}},
	{Name: "Netlify CI", Constant: "NETLIFY", AnyEnv: []string{"NETLIFY"}},
	{Name: "Nevercode", Constant: "NEVERCODE", AnyEnv: []string{"NEVERCODE"}},
	{Name: "Render", Constant: "RENDER", AnyEnv: []string{"RENDER"}},
	{Name: "Sail CI", Constant: "SAIL", AnyEnv: []string{"SAILCI"}},
	{Name: "Semaphore", Constant: "SEMAPHORE", AnyEnv: []string{"SEMAPHORE"}},
	{Name: "Screwdriver", Constant: "SCREWDRIVER", AnyEnv: []string{"SCREWDRIVER"}},
	{Name: "Shippable", Constant: "SHIPPABLE", AnyEnv: []string{"SHIPPABLE"}},
	{Name: "Solano CI", Constant: "SOLANO", AnyEnv: []string{"TDDIUM"}},
	{Name: "Strider CD", Constant: "STRIDER", AnyEnv: []string{"STRIDER"}},
	{Name: "TaskCluster", Constant: "TASKCLUSTER", AllEnv: []string{"TASK_ID", "RUN_ID"}},
	{Name: "TeamCity", Constant: "TEAMCITY", AnyEnv: []string{"TEAMCITY_VERSION"}},
	{Name: "Travis CI", Constant: "TRAVIS", AnyEnv: []string{"TRAVIS"}},
	{Name: "Vercel", Constant: "VERCEL", AnyEnv: []string{"NOW_BUILDER", "VERCEL"}},
	{Name: "Visual Studio App Center", Constant: "APPCENTER", AnyEnv: []string{"APPCENTER_BUILD_ID"}},
}
