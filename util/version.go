package util

const version = "0.1.0"

func GetVersion() string {
	return version
}

func GetNameAndVersion() string {
	return Name + "/" + version
}
